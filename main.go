// services/tracking/main.go
package main

import (
	"log"
	"os"

	"example.com/fleetops/services/tracking/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
