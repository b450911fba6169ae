package public

// tx is the wire form of a pool transaction.
type tx struct {
	ID            uint32 `json:"id"`
	Input         uint32 `json:"input"`
	Output        uint32 `json:"output"`
	CreationTime  int64  `json:"creation_time"`
	Confirmations int    `json:"confirmations"`
	Collected     bool   `json:"collected"`
}
