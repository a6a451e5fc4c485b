package kiosk

import "github.com/ent0n29/partskiosk/internal/protocol"

const (
	ToolAnalyzePart    = "analyze_part"
	ToolCheckInventory = "check_inventory"
	ToolShowAisleSign  = "show_aisle_sign"
)

// ToolDeclarations is the capability set declared in the setup frame.
func ToolDeclarations() []protocol.Tool {
	return []protocol.Tool{{FunctionDeclarations: []protocol.FunctionDeclaration{
		{
			Name:        ToolAnalyzePart,
			Description: "Take a photo of the part the customer is holding up to the camera and identify it. Returns the part name and instructions that answer the customer's question.",
			Parameters:  stringParams("userQuestion", "The customer's question about the part, in their own words."),
		},
		{
			Name:        ToolCheckInventory,
			Description: "Search the store inventory for matching parts. Returns the matching items with aisle and stock, or says that no items were found.",
			Parameters:  stringParams("query", "Short search terms for the part, for example \"ball valve\"."),
		},
		{
			Name:        ToolShowAisleSign,
			Description: "Show the sign for an aisle on the kiosk screen so the customer can find the part.",
			Parameters:  stringParams("aisleName", "The aisle to show, exactly as returned by check_inventory, for example \"Aisle 12\"."),
		},
	}}}
}

func stringParams(name, description string) *protocol.Schema {
	return &protocol.Schema{
		Type: "OBJECT",
		Properties: map[string]*protocol.Schema{
			name: {Type: "STRING", Description: description},
		},
		Required: []string{name},
	}
}
