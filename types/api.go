package types

import (
	"encoding/json"

	"arttic/internal/history"
	"arttic/internal/metadata"
	"arttic/internal/promptbook"
	"arttic/internal/storage"
)

type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    int   `json:"status"`
	TimeStamp int64 `json:"timestamp"`
}

type ConfigResponse struct {
	Models        []string           `json:"models"`
	Loras         []string           `json:"loras"`
	Schedulers    []string           `json:"schedulers"`
	GalleryImages []string           `json:"gallery_images"`
	Prompts       []promptbook.Entry `json:"prompts"`
}

type GalleryResponse struct {
	Images []string `json:"images"`
}

type PromptRequest struct {
	Title          string `json:"title"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	OldTitle       string `json:"old_title"`
	NewTitle       string `json:"new_title"`
}

type PromptResponse struct {
	Status  string             `json:"status"`
	Message string             `json:"message,omitempty"`
	Prompts []promptbook.Entry `json:"prompts"`
}

type ImageMetadataResponse struct {
	Filename string           `json:"filename"`
	Verified bool             `json:"verified"`
	Metadata *metadata.Record `json:"metadata"`
}

type HistoryResponse struct {
	Items []history.Entry `json:"items"`
}

type DownloadRequest struct {
	ClientID string `json:"clientId"`
	Repo     string `json:"repo"`
	File     string `json:"file"`
	Revision string `json:"revision"`
	// Kind is "model" or "lora".
	Kind string `json:"kind"`
}

type DownloadResponse struct {
	JobID string `json:"jobId"`
}

// WSRequest is every inbound socket frame.
type WSRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// WSMessage is every outbound socket frame.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type LoadModelPayload struct {
	ModelName     string `json:"model_name"`
	SchedulerName string `json:"scheduler_name"`
	VaeTiling     bool   `json:"vae_tiling"`
	CPUOffload    bool   `json:"cpu_offload"`
	LoraName      string `json:"lora_name"`
}

type GeneratePayload struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Steps          int      `json:"steps"`
	Guidance       float64  `json:"guidance"`
	Seed           *uint32  `json:"seed"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	LoraWeight     *float64 `json:"lora_weight"`
}

type FilePayload struct {
	Filename string `json:"filename"`
}

type ProgressEvent struct {
	Progress    float64 `json:"progress"`
	Description string  `json:"description"`
}

type ModelLoadedEvent struct {
	StatusMessage string `json:"status_message"`
	ModelType     string `json:"model_type"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	MaxResVRAM    int    `json:"max_res_vram"`
	MaxResOffload int    `json:"max_res_offload"`
}

type StatusMessageEvent struct {
	StatusMessage string `json:"status_message"`
}

// ResultEvent answers delete style actions.
type ResultEvent struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
}

type SettingsDataEvent struct {
	Models []storage.FileInfo `json:"models"`
	Loras  []storage.FileInfo `json:"loras"`
}

type MessageEvent struct {
	Message string `json:"message"`
}

type ConnectedEvent struct {
	ClientID string `json:"clientId"`
}

type DownloadEvent struct {
	JobID   string `json:"jobId"`
	Repo    string `json:"repo"`
	File    string `json:"file"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}
