package main

import "github.com/jmcleod/scepd/cmd/scepd/cmd"

func main() {
	cmd.Execute()
}
