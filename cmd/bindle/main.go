package main

import "bindle.dev/bindle/src/bindlecmd"

func main() {
	bindlecmd.Main()
}
