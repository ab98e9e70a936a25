//go:build windows

package lockscreen

var platformNames = []string{"logonui.exe"}
