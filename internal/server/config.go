package server

type Config struct {
	// ListenAddr is the HTTP listen address for the API server.
	ListenAddr string

	// MaxUploadBytes caps one uploaded image. Multipart framing gets a
	// small allowance on top.
	MaxUploadBytes int64
}
