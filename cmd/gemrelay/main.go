package main

import (
	"log"

	"github.com/lkarlslund/gemrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
