package main

import "github.com/schoolkiosk/kiosk-relay-go/internal/cli"

func main() {
	cli.Execute()
}
