package main

import (
	"os"

	"github.com/mmynk/invoicechain/cmd/invoicectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
