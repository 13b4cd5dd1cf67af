package main

import "github.com/turbolytics/patina/internal/cmd"

func main() {
	cmd.Execute()
}
