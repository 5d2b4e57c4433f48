package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

func main() {
	// Parse command-line flags
	port := flag.String("port", "8090", "Port to serve documentation on")
	dir := flag.String("dir", "../../", "Directory containing blockvault's SPEC_FULL.md/DESIGN.md")
	flag.Parse()

	// Get absolute path to docs directory
	absDir, err := filepath.Abs(*dir)
	if err != nil {
		log.Fatalf("Failed to get absolute path: %v", err)
	}

	// Verify directory exists
	if _, err := os.Stat(absDir); os.IsNotExist(err) {
		log.Fatalf("Documentation directory does not exist: %s", absDir)
	}

	// Create file server
	fs := http.FileServer(http.Dir(absDir))

	// Set up routes
	http.Handle("/", fs)

	// Start server
	addr := fmt.Sprintf(":%s", *port)
	log.Printf("blockvault documentation server")
	log.Printf("serving from: %s", absDir)
	log.Printf("listening at: http://localhost%s", addr)
	log.Printf("open http://localhost%s/SPEC_FULL.md", addr)

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
