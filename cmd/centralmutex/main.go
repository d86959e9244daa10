package main

import "github.com/ozanturksever/go-centralmutex/cmd/centralmutex/cmd"

func main() {
	cmd.Execute()
}
