package main

import "bidaggregator/cmd/bidagg/cmd"

func main() {
	cmd.Execute()
}
