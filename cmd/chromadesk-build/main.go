package main

import "github.com/chromadesk/chromadesk-build/cmd/chromadesk-build/cmd"

func main() {
	cmd.Execute()
}
