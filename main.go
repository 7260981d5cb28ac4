package main

import "josephlewis.net/threadsh/cmd"

func main() {
	cmd.Execute()
}
