//go:build darwin

package lockscreen

var platformNames = []string{"ScreenSaverEngine"}
