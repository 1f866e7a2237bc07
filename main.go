package main

import "hls-liberator/cmd"

func main() {
	cmd.Execute()
}
