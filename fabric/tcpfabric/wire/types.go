package wire

// Hello is the frame exchanged by nodes when connecting.
type Hello struct {
	NID uint64
}

// Message carries the message delivered to posted receive buffers.
type Message struct {
	Data []byte
}

// Put carries the remote write into the advertised memory.
type Put struct {
	Match   uint64
	HdrData uint64
	Data    []byte
}

// Get requests the content of the advertised memory.
type Get struct {
	Cookie uint64
	Match  uint64
	Length uint64
}

// Reply answers the get request with the requested data or the error.
type Reply struct {
	Cookie uint64
	Error  string
	Data   []byte
}
