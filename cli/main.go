package main

import "southwinds.dev/warden/cli/cmd"

func main() {
	cmd.Execute()
}
