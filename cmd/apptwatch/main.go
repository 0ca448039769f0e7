package main

import "github.com/example/appt-watcher/cmd"

func main() {
	cmd.Execute()
}
