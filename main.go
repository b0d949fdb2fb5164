package main

import "grimm.is/portgate/cmd"

func main() {
	cmd.Execute()
}
