package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// HashDeviceToken creates the bcrypt hash stored in devices.token_hash
func HashDeviceToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyDeviceToken reports whether token matches the stored hash
func VerifyDeviceToken(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
