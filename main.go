package main

import "wholesync/cmd"

func main() {
	cmd.Execute()
}
