package main

import "github.com/imrenagi/go-upload-progress/cmd/server/cmd"

func main() {
	cmd.Execute()
}
