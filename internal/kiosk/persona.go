package kiosk

import (
	"strings"

	"github.com/ent0n29/partskiosk/internal/protocol"
)

const systemInstruction = `You are Sam, the voice of the parts counter kiosk in a hardware store. You are friendly, patient and brief: one or two short sentences per turn, plain words, no lists.

Follow this workflow strictly, one step at a time, and wait for the customer between steps:
1. Greet the customer and ask them to hold the part they need help with up to the camera.
2. When they are ready, call analyze_part with their question. Tell them what the part is and the key instructions.
3. Offer to check whether the store has it in stock. If they agree, call check_inventory with a short search query for the part.
4. Read back what was found, including stock and aisle. If nothing was found, say so plainly and never invent items.
5. Offer to show the aisle on screen. If they agree, call show_aisle_sign with the aisle name from the inventory result.
6. Ask if there is anything else you can help with. If not, say goodbye.

If a tool reports an error, apologise briefly and offer to try again. Never describe tool names or internal steps to the customer.`

// BuildSetup assembles the setup frame: audio-only output with a prebuilt
// voice, the persona instruction and the three tools.
func BuildSetup(model, voice string) protocol.Setup {
	setup := protocol.Setup{
		Model: model,
		GenerationConfig: protocol.GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		SystemInstruction: &protocol.Content{
			Parts: []protocol.Part{{Text: systemInstruction}},
		},
		Tools:                    ToolDeclarations(),
		OutputAudioTranscription: &protocol.AudioTranscripts{},
	}
	if v := strings.TrimSpace(voice); v != "" {
		setup.GenerationConfig.SpeechConfig = &protocol.SpeechConfig{
			VoiceConfig: protocol.VoiceConfig{
				PrebuiltVoiceConfig: protocol.PrebuiltVoiceConfig{VoiceName: v},
			},
		}
	}
	return setup
}
