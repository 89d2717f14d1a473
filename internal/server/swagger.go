package server

//go:generate swag init -g internal/server/server.go -o internal/server/docs

// @title DeepScan API
// @version 0.1
// @description Heuristic face-forgery analysis: upload an image or point at a URL and get a weighted verdict.
// @contact.name DeepScan Maintainers
// @contact.url https://github.com/raysh454/deepscan
// @BasePath /
