// Package validator wraps go-playground/validator for configuration
// sections, test run builder input and logging entity configs.
//
// Field names in messages follow the mapstructure or json tag, so a
// failure on Config.Maxim.APIKey reads "maxim.api_key: is required".
//
//	if err := validator.Validate(cfg); err != nil {
//	    // err is a validator.Errors
//	}
package validator
