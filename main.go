package main

import "github.com/Norgate-AV/buildaccel/cmd"

func main() {
	cmd.Execute()
}
