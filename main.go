package main

import "taskd/cmd"

func main() {
	cmd.Run()
}
