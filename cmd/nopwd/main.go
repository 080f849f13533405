package main

import "github.com/jmcleod/nopwd/cmd/nopwd/cmd"

func main() {
	cmd.Execute()
}
