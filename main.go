package main

import "github.com/aidanmahoney/ByteBuddy/cmd"

func main() {
	cmd.Execute()
}
