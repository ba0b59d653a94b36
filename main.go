package main

import "github.com/naka-gawa/profile-summary/cmd"

func main() {
	cmd.Execute()
}
