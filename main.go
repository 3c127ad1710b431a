package main

import (
	"github.com/HaoranTong/ecommerce-platform-sub004/cmd"
)

func main() {
	cmd.Execute()
}
