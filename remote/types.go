package remote

// readLimit bounds a single WebSocket message. Worker lines can carry whole screenshots.
const readLimit = 64 << 20

// clientMessage is sent client->server.
type clientMessage struct {
	// Line is written to the worker's stdin, followed by a newline.
	Line string `json:",omitempty"`
	// Kill asks the server to kill the worker.
	Kill bool `json:",omitempty"`
}

// serverMessage is sent server->client.
// At most one of Stdout and Stderr is set. The last message of the stream has Exited set.
type serverMessage struct {
	Stdout string `json:",omitempty"`
	Stderr string `json:",omitempty"`

	// Exited is true if the worker exited. ExitCode must be provided in that case.
	Exited   bool `json:",omitempty"`
	ExitCode int  `json:",omitempty"`
}
