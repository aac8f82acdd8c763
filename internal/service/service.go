package service

import (
	"github.com/smartcity/roadwatch/internal/domain"
)

// DataRepository is re-exported from domain for convenience
type DataRepository = domain.DataRepository
