package main

import "github.com/deploybot/deploybot/cmd/root"

func main() {
	root.Execute()
}
