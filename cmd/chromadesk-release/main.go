package main

import "github.com/chromadesk/chromadesk-build/cmd/chromadesk-release/cmd"

func main() {
	cmd.Execute()
}
