// Package models defines the HTTP-facing request and response shapes.
package models

// ResponseType selects the UI rendering strategy for a turn.
type ResponseType string

const (
	ResponseFinalText        ResponseType = "final_text"
	ResponseRenderTable      ResponseType = "render_table"
	ResponseAskClarification ResponseType = "ask_clarification"
)

// ProcessRequest is the inbound chat request from the transport adapter.
type ProcessRequest struct {
	UserID  string         `json:"user_id"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// CallbackRequest is an inbound button press.
type CallbackRequest struct {
	UserID       string `json:"user_id"`
	CallbackData string `json:"callback_data"`
}

// Button is one inline action button. CallbackData follows the closed token
// grammar handled by the dialog machine.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// ButtonRow groups buttons rendered on one keyboard line.
type ButtonRow []Button

// TurnResponse is the response shape shared by /process and /callback.
// Text is an HTML string restricted to <b>, <i>, <code> and <pre>.
type TurnResponse struct {
	Success      bool         `json:"success"`
	ResponseType ResponseType `json:"response_type"`
	Text         string       `json:"text"`
	Items        []any        `json:"items"`
	SetID        string       `json:"set_id,omitempty"`
	Buttons      []ButtonRow  `json:"buttons,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// FinalText builds a plain final_text response.
func FinalText(text string) TurnResponse {
	return TurnResponse{Success: true, ResponseType: ResponseFinalText, Text: text}
}

// RenderTable builds a render_table response carrying an addressable set id.
func RenderTable(text string, items []any, setID string) TurnResponse {
	return TurnResponse{Success: true, ResponseType: ResponseRenderTable, Text: text, Items: items, SetID: setID}
}

// AskClarification builds an ask_clarification response.
func AskClarification(text string) TurnResponse {
	return TurnResponse{Success: true, ResponseType: ResponseAskClarification, Text: text}
}

// Failure builds an error response with a user-facing text.
func Failure(text, errMsg string) TurnResponse {
	return TurnResponse{Success: false, ResponseType: ResponseFinalText, Text: text, Error: errMsg}
}

// WithButtons attaches an inline keyboard to the response.
func (r TurnResponse) WithButtons(rows ...ButtonRow) TurnResponse {
	r.Buttons = rows
	return r
}
