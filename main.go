package main

import "github.com/xiaot623/difychat/cmd"

func main() {
	cmd.Execute()
}
