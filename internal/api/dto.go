package api

// GenerateRequest is the body of POST /v1/generate. Prompt selects raw
// mode; otherwise System and User are rendered with Template.
type GenerateRequest struct {
	Model string `json:"model,omitempty"`

	Prompt       *string `json:"prompt,omitempty"`
	PromptTokens []int   `json:"prompt_tokens,omitempty"`
	System       string  `json:"system,omitempty"`
	User         string  `json:"user,omitempty"`
	// Template is the prompt mode: chat-template, qwen-literal or custom.
	Template     string `json:"template,omitempty"`
	ChatTemplate string `json:"chat_template,omitempty"`

	Steps             *int     `json:"steps,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	SuppressEOS       *bool    `json:"suppress_eos,omitempty"`
	Decode            *bool    `json:"decode,omitempty"`
}

type GenerateResponse struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	Model      string `json:"model"`
	Tokens     []int  `json:"tokens"`
	Text       string `json:"text,omitempty"`
	Steps      int    `json:"steps"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Loaded  bool   `json:"loaded"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
