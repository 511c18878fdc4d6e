package main

import "github.com/JakeFAU/zonal-climate-analyzer/cmd"

func main() {
	cmd.Execute()
}
