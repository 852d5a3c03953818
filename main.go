package main

import "github.com/fcanalytics/menurecon/cmd"

func main() {
	cmd.Execute()
}
