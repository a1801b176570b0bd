package logger

import "fmt"

func sprint(args ...interface{}) string   { return fmt.Sprint(args...) }
func sprintln(args ...interface{}) string { return fmt.Sprintln(args...) }
