package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const ArcadeABI = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"uint64","name":"gameId","type":"uint64"},{"indexed":false,"internalType":"address","name":"winner","type":"address"},{"indexed":false,"internalType":"address[]","name":"players","type":"address[]"},{"indexed":false,"internalType":"uint64[]","name":"scores","type":"uint64[]"}],"name":"GameFinished","type":"event"},{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint8","name":"direction","type":"uint8"}],"name":"OrderingChanged","type":"event"},{"inputs":[],"name":"ordering","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},{"inputs":[{"internalType":"address","name":"player","type":"address"}],"name":"equippedAccessory","outputs":[{"internalType":"uint64","name":"","type":"uint64"}],"stateMutability":"view","type":"function"},{"inputs":[{"internalType":"uint64","name":"id","type":"uint64"}],"name":"accessoryName","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"}]`

type Arcade struct {
	contract *bind.BoundContract
	address  common.Address
}

func NewArcade(address common.Address, backend bind.ContractBackend) (*Arcade, error) {
	parsedABI, err := abi.JSON(strings.NewReader(ArcadeABI))
	if err != nil {
		return nil, err
	}

	boundContract := bind.NewBoundContract(address, parsedABI, backend, backend, backend)

	return &Arcade{
		contract: boundContract,
		address:  address,
	}, nil
}

func (a *Arcade) Address() common.Address {
	return a.address
}

// 当前排名方向
func (a *Arcade) Ordering(opts *bind.CallOpts) (uint8, error) {
	var out []interface{}
	err := a.contract.Call(opts, &out, "ordering")
	if err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}

// 玩家当前装备的饰品
func (a *Arcade) EquippedAccessory(opts *bind.CallOpts, player common.Address) (uint64, error) {
	var out []interface{}
	err := a.contract.Call(opts, &out, "equippedAccessory", player)
	if err != nil {
		return 0, err
	}
	return out[0].(uint64), nil
}

// 饰品展示名
func (a *Arcade) AccessoryName(opts *bind.CallOpts, id uint64) (string, error) {
	var out []interface{}
	err := a.contract.Call(opts, &out, "accessoryName", id)
	if err != nil {
		return "", err
	}
	return out[0].(string), nil
}
