package main

import "github.com/nextlevelbuilder/agentdesk/cmd"

func main() {
	cmd.Execute()
}
