package main

import "github.com/katasec/dstream-anonymizer/cmd"

func main() {
	cmd.Execute()
}
