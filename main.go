package main

import "github.com/cemal-efe-g/Dozer/cmd"

func main() {
	cmd.Execute()
}
