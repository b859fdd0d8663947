package main

import (
	"fmt"
	"os"

	cmd "github.com/HiveNetCode/distributed-mls/cmd/pki/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
