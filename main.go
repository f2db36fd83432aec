package main

import "github.com/Erovia/ebot/cmd"

func main() {
	cmd.Execute()
}
