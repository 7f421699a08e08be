package main

import "dbtasks/internal/cli"

func main() {
	cli.Execute()
}
