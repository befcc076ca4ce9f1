package main

import "github.com/tidewater-ai/concierge/cmd"

func main() {
	cmd.Execute()
}
