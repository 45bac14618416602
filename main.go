package main

import "github.com/andresmejia3/verity/cmd"

func main() {
	cmd.Execute()
}
