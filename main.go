package main

import (
	"metricspipe/cmd"
)

func main() {
	cmd.Execute()
}
