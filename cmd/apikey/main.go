package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/example/drivecreds/internal/apikey"
)

func main() {
	var (
		key  = flag.String("key", "", "Existing key to hash (a new one is generated when empty)")
		cost = flag.Int("cost", 0, "bcrypt cost (default 10)")
	)
	flag.Parse()

	k := *key
	if k == "" {
		var err error
		if k, err = apikey.Generate(); err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Printf("API key:   %s\n", k)
	}
	hash, err := apikey.Hash(k, *cost)
	if err != nil {
		log.Fatalf("hash key: %v", err)
	}
	fmt.Printf("Prefix:    %s\n", apikey.Prefix(k))
	fmt.Printf("Hash:      %s\n", hash)
	fmt.Println("Add the hash to API_KEY_HASHES (comma separated).")
}
