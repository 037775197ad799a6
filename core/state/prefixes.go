package state

var (
	balancePrefix              = []byte("balance:")
	lendingMarketPrefix        = []byte("lending/market/")
	lendingPositionPrefix      = []byte("lending/position/")
	lendingConfigPrefix        = []byte("lending/config/")
	lendingAccountMarketPrefix = []byte("lending/account-markets/")
	lendingControllerKey       = []byte("lending/controller")
)
