// Package protocol defines the JSON frames exchanged with the live voice
// endpoint and the events pushed to the kiosk display.
package protocol

// Outbound frames. Exactly one top-level field is set per frame.

type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model                    string            `json:"model"`
	GenerationConfig         GenerationConfig  `json:"generationConfig"`
	SystemInstruction        *Content          `json:"systemInstruction,omitempty"`
	Tools                    []Tool            `json:"tools,omitempty"`
	OutputAudioTranscription *AudioTranscripts `json:"outputAudioTranscription,omitempty"`
}

type AudioTranscripts struct{}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type FunctionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	Audio *Blob `json:"audio,omitempty"`
}

type ToolResponseMessage struct {
	ToolResponse ToolResponse `json:"toolResponse"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ClientContentMessage injects text turns. Only safe before the endpoint has
// started generating audio.
type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// NewAudioInput wraps one encoded capture frame.
func NewAudioInput(mimeType, data string) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{Audio: &Blob{MIMEType: mimeType, Data: data}}}
}

// NewToolResponse answers a single function call.
func NewToolResponse(id, name string, response map[string]any) ToolResponseMessage {
	return ToolResponseMessage{ToolResponse: ToolResponse{FunctionResponses: []FunctionResponse{{
		ID:       id,
		Name:     name,
		Response: response,
	}}}}
}

// NewUserText builds a completed user text turn.
func NewUserText(text string) ClientContentMessage {
	return ClientContentMessage{ClientContent: ClientContent{
		Turns:        []Content{{Role: "user", Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}}
}

// OutboundType names an outbound frame for metrics and logs.
func OutboundType(msg any) string {
	switch msg.(type) {
	case SetupMessage:
		return "setup"
	case RealtimeInputMessage:
		return "audio"
	case ToolResponseMessage:
		return "tool_response"
	case ClientContentMessage:
		return "client_content"
	default:
		return "unknown"
	}
}
