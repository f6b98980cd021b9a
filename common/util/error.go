package util

import (
	"fmt"
)

var ErrUsage = fmt.Errorf("wrong number of arguments")
var ErrNoAnswer = fmt.Errorf("The server closed the connection before answering. Make sure calcd is running and reachable.")
