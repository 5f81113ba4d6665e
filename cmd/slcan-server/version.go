package main

// Set via -ldflags "-X main.version=... -X main.commit=... -X main.date=... -X main.remote=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	remote  = ""
)
