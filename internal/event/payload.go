package event

import "time"

// UploadData 是 upload.* 事件的负载。
type UploadData struct {
	ID          uint   `json:"id"`
	Filename    string `json:"filename"`
	Client      string `json:"client"`
	Size        int64  `json:"size"`
	TotalChunks int    `json:"total_chunks"`
	Received    int    `json:"received_chunks"`
	Status      string `json:"status"`
	StoredAs    string `json:"stored_as,omitempty"`
}

// ClientData 是 client.* 事件的负载。
type ClientData struct {
	Address   string    `json:"address"`
	UserAgent string    `json:"user_agent,omitempty"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
}
