package main

import "github.com/BradMann09/FamilyVault/cli/cmd"

func main() {
	cmd.Execute()
}
