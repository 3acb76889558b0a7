package main

import "github.com/KirovAir/Titanium-Web-Proxy/cmd/titanium/cmd"

func main() {
	cmd.Execute()
}
