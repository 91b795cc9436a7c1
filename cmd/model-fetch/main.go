package main

import "go-model-fetch/cmd/model-fetch/cmd"

func main() {
	cmd.Execute()
}
