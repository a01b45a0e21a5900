package main

import (
	"log"

	"github.com/bobuhiro11/kvmcore/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
