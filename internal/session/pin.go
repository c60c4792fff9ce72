package session

import (
	"errors"
	"fmt"
)

const MinPINLength = 4

// ValidatePIN enforces the rules every shop PIN must meet: digits only, at
// least MinPINLength long, and not a common, repeated or sequential code.
func ValidatePIN(pin string) error {
	if len(pin) < MinPINLength {
		return fmt.Errorf("pin must be at least %d digits", MinPINLength)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return errors.New("pin must contain digits only")
		}
	}
	return pinStrength(pin)
}

// pinStrength rejects PINs that are all the same digit, sequential
// (ascending or descending), or from a known-weak list.
func pinStrength(pin string) error {
	known := map[string]bool{
		"1234": true, "4321": true, "1212": true, "1122": true, "2580": true,
		"123456": true, "654321": true, "121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return errors.New("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return errors.New("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return errors.New("sequential PIN not allowed")
	}

	return nil
}
